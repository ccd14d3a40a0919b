package authz

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// BuildMessage renders the exact canonical signature-message template from
// spec.md §6. Signatures are EIP-191 personal-sign over this text.
func BuildMessage(rec Record) string {
	return fmt.Sprintf(
		"HASHD Vault Storage Request\n"+
			"Type: %s\n"+
			"Content Hash: %s\n"+
			"App ID: %s\n"+
			"Content Type: %s\n"+
			"Context: %s\n"+
			"Timestamp: %d\n"+
			"Nonce: %s",
		rec.Type, rec.ContentHash, rec.AppID, rec.ContentType, contextOf(rec), rec.Timestamp.Unix(), rec.Nonce,
	)
}

func contextOf(rec Record) string {
	switch rec.Type {
	case GroupPost, GroupComment:
		return rec.GroupPostsAddress
	case Message:
		return rec.ThreadID
	case TokenDistribution:
		return rec.TokenAddress
	default:
		return ""
	}
}

// personalSignHash applies the EIP-191 "\x19Ethereum Signed Message:\n"
// prefix before Keccak256, matching go-ethereum's accounts.TextHash
// convention for personal_sign.
func personalSignHash(msg string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256([]byte(prefixed))
}

// RecoverSigner recovers the EIP-191 personal-sign signer address of rec's
// canonical message, given rec.Signature as a 0x-prefixed 65-byte hex string
// (r||s||v, v in {0,1,27,28}).
func RecoverSigner(rec Record) (string, error) {
	sigBytes, err := decodeHexSig(rec.Signature)
	if err != nil {
		return "", err
	}
	if len(sigBytes) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	// go-ethereum's SigToPub expects v normalized to {0,1}.
	normalized := make([]byte, 65)
	copy(normalized, sigBytes)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	hash := personalSignHash(BuildMessage(rec))
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func decodeHexSig(sig string) ([]byte, error) {
	s := strings.TrimPrefix(sig, "0x")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex signature")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("invalid hex signature: %w", err)
		}
		out[i] = b
	}
	return out, nil
}

// isAddressLike reports whether s looks like a 20-byte hex address
// (40 hex chars, with or without a 0x prefix).
func isAddressLike(s string) bool {
	t := strings.TrimPrefix(s, "0x")
	if len(t) != 40 {
		return false
	}
	for _, c := range t {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// RecomputeThreadID recomputes the deterministic thread identifier for a
// message's participant set, per spec.md §4.D: sorted-address hashing when
// participants look like 42-char addresses, or a packed-string hash when
// they are longer (public keys).
func RecomputeThreadID(participants []string) (string, error) {
	if len(participants) == 0 {
		return "", fmt.Errorf("no participants")
	}
	allAddresses := true
	for _, p := range participants {
		if !isAddressLike(p) {
			allAddresses = false
			break
		}
	}

	sorted := make([]string, len(participants))
	copy(sorted, participants)
	sort.Strings(sorted)

	if allAddresses {
		joined := strings.Join(sorted, "")
		return crypto.Keccak256Hash([]byte(joined)).Hex(), nil
	}

	// Public-key participants: pack as length-prefixed strings, the closest
	// stdlib-free equivalent of Solidity's abi.encodePacked(string,string,…)
	// for a variadic string tuple.
	var b strings.Builder
	for _, p := range sorted {
		fmt.Fprintf(&b, "%d:%s|", len(p), p)
	}
	return crypto.Keccak256Hash([]byte(b.String())).Hex(), nil
}
