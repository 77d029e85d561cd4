package main

// testAdjustments cover an overdrawn wallet, a pending deposit and a
// lower-case currency.
var testAdjustments = []seedAdjustment{
	{UserID: "overdrawn-user", Currency: "ETH", Delta: "-3", TxHash: "seed-test-overdrawn-1"},
	{UserID: "pending-user", Currency: "BTC", Delta: "0.1", TxHash: "seed-test-pending-1", Status: "pending"},
	{UserID: "mixedcase-user", Currency: "usdc", Delta: "99.99", TxHash: "seed-test-usdc-1"},
}
