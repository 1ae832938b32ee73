// ABOUTME: Catalog of realistic findings used by the mock feed generator.
// ABOUTME: Entries span every severity, package ecosystem, and common risk factors.

package mock

type finding struct {
	CVE              string
	Description      string
	Severity         string
	PackageName      string
	PackageVersion   string
	PackageType      string
	Score            float64
	ExploitAvailable bool
	FixAvailable     bool
	Extra            []string
}

func (f finding) riskFactors() []string {
	var factors []string
	if f.FixAvailable {
		factors = append(factors, "Has fix")
	}
	if f.ExploitAvailable {
		factors = append(factors, "Exploit exists")
	}
	return append(factors, f.Extra...)
}

var groupNames = []string{"platform", "payments", "data", "edge"}

var repoNames = []string{"nginx", "postgres", "python-api", "node-frontend", "worker", "gateway"}

var kaiStatuses = []string{"new", "new", "in progress", "resolved", "invalid - norisk", "ai-invalid-norisk", "new"}

var catalog = []finding{
	{CVE: "CVE-2024-7592", Description: "Critical buffer overflow vulnerability in nginx HTTP/2 module", Severity: "CRITICAL",
		PackageName: "nginx", PackageVersion: "1.20.1", PackageType: "os", Score: 9.8, ExploitAvailable: true, FixAvailable: true,
		Extra: []string{"Attack vector: network", "Remote execution"}},
	{CVE: "CVE-2024-6387", Description: "OpenSSH remote code execution vulnerability", Severity: "HIGH",
		PackageName: "openssh-server", PackageVersion: "8.9p1", PackageType: "os", Score: 8.1, FixAvailable: true,
		Extra: []string{"Attack vector: network"}},
	{CVE: "CVE-2024-2961", Description: "Buffer overflow in GNU libc", Severity: "MEDIUM",
		PackageName: "libc6", PackageVersion: "2.35-0ubuntu3.1", PackageType: "os", Score: 5.5, FixAvailable: true},
	{CVE: "CVE-2024-21096", Description: "MySQL Server privilege escalation vulnerability", Severity: "HIGH",
		PackageName: "mysql-server", PackageVersion: "8.0.32", PackageType: "os", Score: 7.2, FixAvailable: true,
		Extra: []string{"Privilege escalation"}},
	{CVE: "CVE-2024-3094", Description: "Backdoor in xz utils affecting database compression", Severity: "CRITICAL",
		PackageName: "xz-utils", PackageVersion: "5.4.1", PackageType: "os", Score: 10.0, ExploitAvailable: true, FixAvailable: true,
		Extra: []string{"Remote execution", "In use"}},
	{CVE: "CVE-2024-1234", Description: "Minor configuration issue in database logging", Severity: "LOW",
		PackageName: "postgres", PackageVersion: "14.9", PackageType: "os", Score: 2.1, FixAvailable: true},
	{CVE: "CVE-2024-5678", Description: "Database connection pooling memory leak", Severity: "LOW",
		PackageName: "libpq", PackageVersion: "14.9", PackageType: "os", Score: 3.1,
		Extra: []string{"DoS"}},
	{CVE: "CVE-2024-6232", Description: "Python urllib3 MITM vulnerability via IPv6-mapped IPv4 addresses", Severity: "MEDIUM",
		PackageName: "urllib3", PackageVersion: "1.26.15", PackageType: "python", Score: 4.8, FixAvailable: true,
		Extra: []string{"Attack vector: network"}},
	{CVE: "CVE-2024-35195", Description: "Requests library unintended credential disclosure", Severity: "HIGH",
		PackageName: "requests", PackageVersion: "2.28.1", PackageType: "python", Score: 7.5, FixAvailable: true,
		Extra: []string{"In use"}},
	{CVE: "CVE-2024-9999", Description: "Python setuptools vulnerability", Severity: "LOW",
		PackageName: "setuptools", PackageVersion: "65.5.0", PackageType: "python", Score: 2.3, FixAvailable: true},
	{CVE: "CVE-2024-21490", Description: "Angular cross-site scripting vulnerability in SSR applications", Severity: "HIGH",
		PackageName: "@angular/core", PackageVersion: "15.2.8", PackageType: "js", Score: 6.9, FixAvailable: true},
	{CVE: "CVE-2024-21491", Description: "Express.js prototype pollution vulnerability", Severity: "MEDIUM",
		PackageName: "express", PackageVersion: "4.18.2", PackageType: "js", Score: 5.3, FixAvailable: true,
		Extra: []string{"Attack vector: network"}},
	{CVE: "CVE-2024-1111", Description: "Node.js path traversal vulnerability", Severity: "LOW",
		PackageName: "node", PackageVersion: "18.17.0", PackageType: "js", Score: 2.8, ExploitAvailable: true},
	{CVE: "CVE-2024-0727", Description: "OpenSSL denial of service vulnerability", Severity: "MEDIUM",
		PackageName: "openssl", PackageVersion: "3.0.8", PackageType: "os", Score: 5.5, FixAvailable: true,
		Extra: []string{"DoS"}},
	{CVE: "CVE-2024-2398", Description: "curl library heap buffer overflow", Severity: "LOW",
		PackageName: "curl", PackageVersion: "7.81.0", PackageType: "os", Score: 3.4, FixAvailable: true},
	{CVE: "CVE-2023-45853", Description: "zlib integer overflow in MiniZip", Severity: "Negligible",
		PackageName: "zlib1g", PackageVersion: "1.2.11", PackageType: "os"},
}
