package main

import "github.com/brensch/formexport/cmd"

func main() {
	cmd.Execute()
}
