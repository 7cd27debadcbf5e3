// Command taskweave decomposes project work into atomic tasks and runs them
// across a pool of agents in dependency order.
package main

func main() {
	Execute()
}
