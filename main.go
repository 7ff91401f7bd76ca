package main

import "github.com/andresmejia3/memeface/cmd"

func main() {
	cmd.Execute()
}
