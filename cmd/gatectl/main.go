// gatectl inspects the sharegate object ledger.
//
// Usage:
//
//	# List every live object
//	gatectl list
//
//	# Show one identity's storage usage
//	gatectl usage 203.0.113.7
//
//	# Show objects the next sweep will remove
//	gatectl expired --output json
//
// The ledger backend is read from the same environment and SHAREGATE_CONFIG
// file as the server, and can be overridden with flags.
package main

func main() {
	Execute()
}
