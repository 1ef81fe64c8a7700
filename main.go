package main

import "github.com/ngongtopro/bot-discord/cmd"

func main() {
	cmd.Execute()
}
