package main

import "github.com/faizalmuzakki/guildkeeper/cmd"

func main() {
	cmd.Execute()
}
