// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

// RequiredHTLCFunds calculates the funds a party must hold to cover the
// HTLC value plus the on-chain fee for broadcasting the contract output,
// given the fee rate (units per byte) and the estimated contract size in
// bytes.
func RequiredHTLCFunds(swapVal Amount, contractSizeBytes, feeRate uint64) Amount {
	return swapVal + Amount(contractSizeBytes*feeRate)
}
