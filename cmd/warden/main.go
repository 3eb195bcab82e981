// Warden - Policy-Gated Remediation
// Plan. Gate. Execute. Audit.
package main

func main() {
	Execute()
}
