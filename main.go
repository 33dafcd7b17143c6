package main

import "github.com/andylabs/andbot/cmd"

func main() {
	cmd.Execute()
}
