package main

import "github.com/brensch/era5parquet/cmd"

func main() {
	cmd.Execute()
}
