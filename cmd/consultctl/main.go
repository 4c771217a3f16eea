// Command consultctl runs operator maintenance against the consultation
// database: wallet top-ups, user onboarding, orphan reaping and ledger audits.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
