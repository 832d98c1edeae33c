// Command keytool seals a hex private key into the password-protected
// keystore file read by clmmbot (wallet.keystore_path).
//
// Usage:
//
//	CLMMBOT_WALLET_PRIVATE_KEY=0x... CLMMBOT_WALLET_KEY_PASSWORD=... keytool -out wallet.json
//	keytool -check -in wallet.json   # prints the address, needs the password
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/alanyoungcy/clmmbot/internal/crypto"
)

func main() {
	out := flag.String("out", "keystore.json", "where to write the sealed key")
	in := flag.String("in", "", "keystore to verify instead of sealing a new one")
	check := flag.Bool("check", false, "decrypt -in and print its address")
	flag.Parse()

	password := os.Getenv("CLMMBOT_WALLET_KEY_PASSWORD")
	if password == "" {
		fail("CLMMBOT_WALLET_KEY_PASSWORD must be set")
	}

	if *check {
		if *in == "" {
			fail("-check needs -in")
		}
		w, err := crypto.LoadWallet(crypto.KeySource{KeystorePath: *in, Password: password})
		if err != nil {
			fail(err.Error())
		}
		fmt.Println(w.Address().Hex())
		return
	}

	key := os.Getenv("CLMMBOT_WALLET_PRIVATE_KEY")
	if key == "" {
		fail("CLMMBOT_WALLET_PRIVATE_KEY must be set")
	}

	data, err := crypto.Seal(key, password)
	if err != nil {
		fail(err.Error())
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		fail(err.Error())
	}

	w, err := crypto.LoadWallet(crypto.KeySource{RawPrivateKey: key})
	if err != nil {
		fail(err.Error())
	}
	fmt.Printf("wrote %s for %s\n", *out, w.Address().Hex())
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "keytool:", msg)
	os.Exit(1)
}
