// Command genkey prints a random key suitable for TOKEN_ENCRYPTION_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/Seann-Moser/meetbot/oauth/oclient"
)

func main() {
	key, err := oclient.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "genkey:", err)
		os.Exit(1)
	}
	fmt.Println(key)
}
