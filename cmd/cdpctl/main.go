// Command cdpctl drives a Chrome DevTools protocol compatible browser from
// the command line.
package main

func main() {
	execute()
}
