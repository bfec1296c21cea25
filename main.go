package main

import "github.com/andresmejia3/attendcam/cmd"

func main() {
	cmd.Execute()
}
