package main

import "github.com/nanogptgo/nanogpt"

func main() {
	nanogpt.Execute()
}
