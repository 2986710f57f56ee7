// Command bridged runs the BTC bridge against recorded native blocks and manages
// its persisted state.
package main

func main() {
	Execute()
}
