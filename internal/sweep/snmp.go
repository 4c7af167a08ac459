package sweep

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Printer-MIB and SNMPv2-MIB object identifiers used for identification.
const (
	oidSysDescr       = "1.3.6.1.2.1.1.1.0"
	oidSysName        = "1.3.6.1.2.1.1.5.0"
	oidPrtPrinterName = "1.3.6.1.2.1.43.5.1.1.16.1"
)

// HostInfo is what identification learned about a probed host.
type HostInfo struct {
	Name        string
	Vendor      string
	Description string
	IsPrinter   bool
}

// Identifier classifies a reachable host, typically over SNMP.
type Identifier interface {
	Identify(ctx context.Context, ip string) (*HostInfo, error)
}

// SNMPIdentifier queries a host's SNMP agent to classify it. Hosts without an
// agent (most media players and terminals) fail the query and are skipped.
type SNMPIdentifier struct {
	community string
	timeout   time.Duration
}

// NewSNMPIdentifier creates an SNMP identifier using SNMPv2c.
func NewSNMPIdentifier(community string, timeout time.Duration) *SNMPIdentifier {
	return &SNMPIdentifier{community: community, timeout: timeout}
}

// Identify fetches system and printer identity objects from the host's agent.
// A host answering the Printer-MIB printer-name object is a printer.
func (s *SNMPIdentifier) Identify(ctx context.Context, ip string) (*HostInfo, error) {
	client := &gosnmp.GoSNMP{
		Target:    ip,
		Port:      161,
		Community: s.community,
		Version:   gosnmp.Version2c,
		Timeout:   s.timeout,
		Retries:   1,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", ip, err)
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oidSysDescr, oidSysName, oidPrtPrinterName})
	if err != nil {
		return nil, fmt.Errorf("snmp get %s: %w", ip, err)
	}

	info := &HostInfo{}
	for _, v := range result.Variables {
		if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance {
			continue
		}
		val := pduString(v)
		switch strings.TrimPrefix(v.Name, ".") {
		case oidSysDescr:
			info.Description = val
			info.Vendor = vendorFromDescription(val)
		case oidSysName:
			info.Name = val
		case oidPrtPrinterName:
			info.IsPrinter = true
			if info.Name == "" {
				info.Name = val
			}
		}
	}
	return info, nil
}

func pduString(v gosnmp.SnmpPDU) string {
	switch data := v.Value.(type) {
	case []byte:
		return string(data)
	case string:
		return data
	default:
		return ""
	}
}

// knownPrinterVendors maps sysDescr substrings to vendor names.
var knownPrinterVendors = []string{
	"Brother", "Canon", "Epson", "HP", "Hewlett-Packard", "Kyocera",
	"Lexmark", "OKI", "Ricoh", "Samsung", "Xerox", "Zebra",
}

// vendorFromDescription extracts a vendor name from an SNMP system description.
func vendorFromDescription(descr string) string {
	lower := strings.ToLower(descr)
	for _, vendor := range knownPrinterVendors {
		if strings.Contains(lower, strings.ToLower(vendor)) {
			return vendor
		}
	}
	return ""
}
