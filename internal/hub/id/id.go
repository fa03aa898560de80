package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generate returns a 48-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
// Used for auth tokens and other credentials.
func Generate() string {
	return generate(48)
}

// GenerateShort returns a 21-character nanoid for identifiers that travel in
// frames and URLs (job ids, instance ids, request ids).
func GenerateShort() string {
	return generate(21)
}

func generate(n int) string {
	id, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", n)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
