package testfixtures

import (
	"time"

	"github.com/Seann-Moser/meetbot/user"
)

var referenceTime = time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// Users that satisfy the Slack identifier formats.
var (
	Alice = user.ChatUser{WorkspaceID: "T0AAAAAAA1", UserID: "U0AAAAAAA1"}
	Bob   = user.ChatUser{WorkspaceID: "T0AAAAAAA1", UserID: "U0BBBBBBB2"}
	Carol = user.ChatUser{WorkspaceID: "T0CCCCCCC3", UserID: "U0CCCCCCC3"}
)

// AuthCode is a well-formed authorization code accepted by TokenServer.
const AuthCode = "4/0AeanS0b-test-authorization-code"
