package main

import "github.com/OpenTraceLab/OpenTraceDFU/cmd/dfuflash/cmd"

func main() {
	cmd.Execute()
}
