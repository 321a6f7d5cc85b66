package main

import "github.com/encodeous/fibd/cmd"

func main() {
	cmd.Execute()
}
