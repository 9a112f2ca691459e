package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the longest input bcrypt hashes without truncation.
const MaxPasswordBytes = 72

var (
	ErrPasswordEmpty    = errors.New("auth: password is empty")
	ErrPasswordTooLong  = errors.New("auth: password exceeds 72 bytes")
	ErrPasswordMismatch = errors.New("auth: password does not match")
)

const passwordCost = bcrypt.DefaultCost

// HashPassword returns the bcrypt hash stored for a subject that logs in with
// a password.
func HashPassword(password string) (string, error) {
	if err := checkPasswordInput(password); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares password with a stored hash. Subjects without a
// hash never match, but still pay for a full comparison so the response time
// does not reveal which accounts have a password.
func VerifyPassword(hash, password string) error {
	if err := checkPasswordInput(password); err != nil {
		return err
	}
	if hash == "" {
		equaliseLoginTiming(password)
		return ErrPasswordMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return err
	}
	return nil
}

var dummyPasswordHash = sync.OnceValue(func() string {
	hash, _ := bcrypt.GenerateFromPassword([]byte("cargolane-login-timing-equaliser"), passwordCost)
	return string(hash)
})

// equaliseLoginTiming burns one bcrypt comparison for logins that have no
// stored hash to compare against, e.g. an unknown email.
func equaliseLoginTiming(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyPasswordHash()), []byte(password))
}

func checkPasswordInput(password string) error {
	switch {
	case password == "":
		return ErrPasswordEmpty
	case len(password) > MaxPasswordBytes:
		return ErrPasswordTooLong
	}
	return nil
}
