/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/gersonrivera27/STACKPOS/cmd"

func main() {
	cmd.Execute()
}
