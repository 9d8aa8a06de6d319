// main.go
package main

import (
	"Beekeeper/cmd"
)

func main() {
	cmd.Execute()
}
