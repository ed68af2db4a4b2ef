package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a string literal that looks like an injection payload.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Literal     string // Decoded literal contents that failed the check
}

// CheckLiteral uses libinjection to detect SQL injection patterns in the contents of a
// string literal. Returns nil when the value is clean.
//
// Example:
//
//	CheckLiteral("ACME Corp")                // nil
//	CheckLiteral("x' OR '1'='1")             // IsSQLi == true
//	CheckLiteral("'; DROP TABLE users--")    // IsSQLi == true
func CheckLiteral(value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			Literal:     value,
		}
	}
	return nil
}

// CheckLiterals runs CheckLiteral over every string literal in sql and returns the
// failures in source order. A statement that cannot be tokenized returns the lexer error.
func (d Dialect) CheckLiterals(sql string) ([]*InjectionCheckResult, error) {
	literals, err := d.StringLiterals(sql)
	if err != nil {
		return nil, err
	}

	var results []*InjectionCheckResult
	for _, lit := range literals {
		if result := CheckLiteral(lit); result != nil {
			results = append(results, result)
		}
	}
	return results, nil
}
