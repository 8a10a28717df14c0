package main

import "github.com/RyanBlaney/voiceprint-verify/cmd"

func main() {
	cmd.Execute()
}
