package main

import "github.com/nextlevelbuilder/codexclaw/cmd"

func main() {
	cmd.Execute()
}
