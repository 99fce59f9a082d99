package main

import "github.com/fabricd/fabricd/cmd"

func main() {
	cmd.Execute()
}
