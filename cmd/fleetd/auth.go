package main

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// jwtAuth verifies an HMAC signed token against secret. An empty secret
// rejects every token.
func jwtAuth(secret, tokenString string) (bool, jwt.MapClaims) {
	if secret == "" {
		log.Warn("ops jwt secret not configured, rejecting request")
		return false, nil
	}

	// Parse takes the token string and a function for looking up the key
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		log.Errorf("parse token err: %s", err)
		return false, nil
	}

	// jwt.Parse verifies exp and nbf when present
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		log.Debugf("claims: %+v", claims)
		return true, claims
	}

	return false, nil
}

// subject is the caller name recorded on batches created through the API
func subject(claims jwt.MapClaims) string {
	if claims == nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
