package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// VerifyTelegramClaims checks a Telegram login-widget claims object. The
// signature is HMAC-SHA256 over the sorted, newline-joined key=value pairs
// (hash excluded), keyed with SHA256 of the bot token, hex-encoded.
func VerifyTelegramClaims(claims map[string]string, botToken string) bool {
	hash := claims["hash"]
	if hash == "" {
		return false
	}

	keys := make([]string, 0, len(claims))
	for k, v := range claims {
		if k == "hash" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+claims[k])
	}
	checkString := strings.Join(lines, "\n")

	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(checkString))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(hash)))
}

// TelegramDisplayName derives a display name from widget claims: the
// username if set, else first and last name, else tg<id>.
func TelegramDisplayName(claims map[string]string) string {
	if username := claims["username"]; username != "" {
		return username
	}

	name := claims["first_name"]
	if last := claims["last_name"]; last != "" {
		if name != "" {
			name += " " + last
		} else {
			name = last
		}
	}
	if name != "" {
		return name
	}

	return "tg" + claims["id"]
}
