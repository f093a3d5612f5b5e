package main

import "github.com/ValentinKolb/homa/cmd"

func main() {
	cmd.Execute()
}
