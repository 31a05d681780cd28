package main

import "catmaid/arbor/cmd"

func main() {
	cmd.Execute()
}
