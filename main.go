package main

import "mediaflow/cmd"

func main() {
	cmd.Execute()
}
