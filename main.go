package main

import "github.com/martinsantos/licitometro-sub001/cmd"

func main() {
	cmd.Execute()
}
