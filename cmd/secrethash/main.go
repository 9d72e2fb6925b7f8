package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// secrethash hashes gateway user secrets so operators store bcrypt hashes
// instead of plaintext, and verifies a secret against an existing hash.
//
//	secrethash [-cost N] [secret]
//	secrethash -check '<hash>' [secret]
//
// The secret comes from the argument or, when piped, from stdin.
func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	check := flag.String("check", "", "verify the secret against this hash instead of hashing")
	flag.Parse()

	secret, err := readSecret(flag.Args())
	if err != nil {
		fail("read secret: %v", err)
	}

	if *check != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(*check), []byte(secret)); err != nil {
			fail("secret does not match hash")
		}
		fmt.Println("match")
		return
	}

	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fail("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), *cost)
	if err != nil {
		fail("hash secret: %v", err)
	}
	fmt.Println(string(hash))
}

func readSecret(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	info, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("provide the secret as an argument or on stdin")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
