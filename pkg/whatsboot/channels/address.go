package channels

import "strings"

// GroupServer is the address suffix of group chats.
const GroupServer = "g.us"

// UserPart returns the part of a chat address before the "@" and any
// device suffix ("5491100000000:12@s.whatsapp.net" -> "5491100000000").
func UserPart(addr string) string {
	user, _, _ := strings.Cut(addr, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// Digits strips every non-digit character from the user part of addr.
// It is used to key conversations by participant number.
func Digits(addr string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, UserPart(addr))
}

// IsGroupAddress reports whether addr points at a group chat.
func IsGroupAddress(addr string) bool {
	return strings.HasSuffix(addr, "@"+GroupServer)
}
