package main

import "github.com/breezy-team/loggerhead-sub000/cmd"

func main() {
	cmd.Execute()
}
