package cryptocore

import "errors"

var (
	ErrKeyExchange      = errors.New("cryptocore: key exchange failed")
	ErrDecryptionFailed = errors.New("cryptocore: message authentication failed")
	ErrKeyImport        = errors.New("cryptocore: malformed key material")
	ErrUnsupportedCurve = errors.New("cryptocore: unsupported curve")
	ErrMediaExpired     = errors.New("cryptocore: media attachment expired")
)
