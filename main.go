package main

import "github.com/andresmejia3/deepswap/cmd"

func main() {
	cmd.Execute()
}
