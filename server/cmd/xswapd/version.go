// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

// appName is the application name.
const appName = "xswapd"

// version is the semantic version string. It is a var rather than a
// const so it can be overridden at build time with
// '-ldflags "-X main.version=..."'.
var version = "0.1.0"

// Version returns the application's version string.
func Version() string {
	return version
}
