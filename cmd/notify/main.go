package main

import (
	"log"
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	parser := flags.NewParser(nil, flags.Default)

	_, err := parser.AddCommand("send",
		"send a notification",
		"The send command asks the server to fan a notification out to every subscription of a school, "+
			"or of all schools when --school is omitted. Requires an admin token.",
		&Send{})
	if err != nil {
		log.Fatal(err)
	}
	_, err = parser.AddCommand("token",
		"mint an access token",
		"The token command signs an access token with the server's JWT secret, for scripting and testing.",
		&Token{})
	if err != nil {
		log.Fatal(err)
	}

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
