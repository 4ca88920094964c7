package p11

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

var (
	oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	oidUID          = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
)

// ParseSubject parses a distinguished name in the OpenSSL "-subj" form,
// e.g. "/C=DE/O=Example/CN=Hardware Security Module Example". A slash inside
// a value is escaped as "\/".
func ParseSubject(subject string) (pkix.Name, error) {
	var name pkix.Name
	if !strings.HasPrefix(subject, "/") {
		return name, fmt.Errorf("subject %q must start with '/'", subject)
	}

	for _, rdn := range splitUnescaped(subject[1:]) {
		if rdn == "" {
			continue
		}
		key, value, ok := strings.Cut(rdn, "=")
		if !ok || key == "" {
			return name, fmt.Errorf("subject component %q is not KEY=VALUE", rdn)
		}

		switch strings.ToUpper(key) {
		case "CN":
			name.CommonName = value
		case "C":
			name.Country = append(name.Country, value)
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "STREET":
			name.StreetAddress = append(name.StreetAddress, value)
		case "POSTALCODE":
			name.PostalCode = append(name.PostalCode, value)
		case "SERIALNUMBER":
			name.SerialNumber = value
		case "EMAILADDRESS":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidEmailAddress, Value: value})
		case "UID":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidUID, Value: value})
		default:
			return name, fmt.Errorf("unsupported subject attribute %q", key)
		}
	}
	return name, nil
}

func splitUnescaped(s string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case s[i] == '/':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	return append(parts, cur.String())
}
