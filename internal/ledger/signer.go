package ledger

// Signer is the per-account key used to authenticate ledger calls.
// *signer.Signer and *custody.Material satisfy it.
type Signer interface {
	L1Address() string
	L2Address() string
	PublicKeyHex() string
	SignHex(msg string) (string, error)
}
