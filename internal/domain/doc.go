// Package domain defines the core consultation types and the contracts
// between the application layer and its adapters.
//
// Files are concept-oriented (user.go, wallet.go, session.go, billing.go,
// presence.go, events.go). Apart from pure helpers such as the session
// transition table and tick arithmetic there is no implementation code here.
package domain
