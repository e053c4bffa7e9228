package dbus

import "fmt"

// maxSignatureLen is the maximum byte length of a D-Bus SIGNATURE value,
// per the D-Bus specification's "Marshaling" chapter.
const maxSignatureLen = 255

// parseSignature validates sig against the D-Bus signature grammar and
// splits it into its top-level complete types, e.g. "a{sv}i" becomes
// ["a{sv}", "i"]. It rejects a dict-entry appearing outside an array.
func parseSignature(sig string) ([]string, error) {
	if len(sig) > maxSignatureLen {
		return nil, &LimitExceededError{Reason: fmt.Sprintf("signature length %d exceeds %d", len(sig), maxSignatureLen)}
	}

	var types []string
	i := 0
	for i < len(sig) {
		n, err := completeTypeLen(sig, i, false)
		if err != nil {
			return nil, err
		}
		types = append(types, sig[i:i+n])
		i += n
	}
	return types, nil
}

// completeTypeLen returns the length in bytes of the single complete type
// starting at sig[i]. allowDictEntry must be true only when scanning an
// array's element type, since a dict-entry is valid D-Bus grammar only as
// the direct element type of an array ("a{...}"); a bare "{...}" anywhere
// else is rejected.
func completeTypeLen(sig string, i int, allowDictEntry bool) (int, error) {
	if i >= len(sig) {
		return 0, &InvalidSignatureError{Sig: sig, Reason: "unexpected end of signature"}
	}

	switch Type(sig[i]) {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeUnixFD, TypeString,
		TypeObjectPath, TypeSignature, TypeVariant:
		return 1, nil

	case TypeArray:
		if i+1 >= len(sig) {
			return 0, &InvalidSignatureError{Sig: sig, Reason: "array type missing element type"}
		}
		elemLen, err := completeTypeLen(sig, i+1, true)
		if err != nil {
			return 0, err
		}
		return 1 + elemLen, nil

	case TypeStruct:
		j := i + 1
		if j >= len(sig) || sig[j] == ')' {
			return 0, &InvalidSignatureError{Sig: sig, Reason: "empty struct is not allowed"}
		}
		for j < len(sig) && sig[j] != ')' {
			n, err := completeTypeLen(sig, j, false)
			if err != nil {
				return 0, err
			}
			j += n
		}
		if j >= len(sig) {
			return 0, &InvalidSignatureError{Sig: sig, Reason: "unterminated struct"}
		}
		return j + 1 - i, nil

	case TypeDictEntry:
		if !allowDictEntry {
			return 0, &InvalidSignatureError{Sig: sig, Reason: "dict-entry outside of an array"}
		}
		j := i + 1
		keyLen, err := completeTypeLen(sig, j, false)
		if err != nil {
			return 0, err
		}
		if !isBasic(Type(sig[j])) {
			return 0, &InvalidSignatureError{Sig: sig, Reason: "dict-entry key must be a basic type"}
		}
		j += keyLen
		valLen, err := completeTypeLen(sig, j, false)
		if err != nil {
			return 0, err
		}
		j += valLen
		if j >= len(sig) || sig[j] != '}' {
			return 0, &InvalidSignatureError{Sig: sig, Reason: "unterminated dict-entry"}
		}
		return j + 1 - i, nil

	case TypeStructEnd, TypeDictEnd:
		return 0, &InvalidSignatureError{Sig: sig, Reason: "unexpected close bracket"}

	default:
		return 0, &InvalidSignatureError{Sig: sig, Reason: fmt.Sprintf("unknown type code %q", sig[i])}
	}
}

// isDictEntryArray reports whether elemSig (an array's element signature)
// is a dict-entry, i.e. the array is a D-Bus Dict.
func isDictEntryArray(elemSig string) bool {
	return len(elemSig) > 0 && elemSig[0] == '{'
}

// validateSignature is a convenience wrapper returning only the error, for
// call sites that only need to know whether sig is well-formed.
func validateSignature(sig string) error {
	_, err := parseSignature(sig)
	return err
}
