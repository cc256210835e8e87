// Package mitre provides a MITRE ATT&CK technique and tactic catalog used to
// annotate technique nodes in the correlation graph.
package mitre

import (
	"fmt"
	"strings"
	"sync"
)

// Catalog is a thread-safe ATT&CK lookup table.
type Catalog struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	mu         sync.RWMutex
}

// Technique represents a MITRE ATT&CK technique or sub-technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1059"
	Name    string   `json:"name"`    // e.g., "Command and Scripting Interpreter"
	Tactics []string `json:"tactics"` // e.g., ["execution"]
	URL     string   `json:"url"`
}

// IsSubTechnique reports whether the ID has a sub-technique suffix.
func (t *Technique) IsSubTechnique() bool {
	return strings.Contains(t.ID, ".")
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	URL       string `json:"url"`
}

// NewCatalog creates a catalog seeded with common techniques and all
// enterprise tactics.
func NewCatalog() *Catalog {
	c := &Catalog{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
	}

	c.initializeCommonTechniques()
	c.initializeTactics()

	return c
}

// register adds or replaces a technique.
func (c *Catalog) register(t Technique) {
	t.ID = strings.ToUpper(strings.TrimSpace(t.ID))
	if t.URL == "" {
		t.URL = techniqueURL(t.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.techniques[t.ID] = &t
}

// Technique returns a technique by ID. Unknown sub-techniques resolve to their
// parent; the second result reports whether anything matched.
func (c *Catalog) Technique(id string) (*Technique, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))

	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.techniques[id]; ok {
		return t, true
	}
	if parent, _, found := strings.Cut(id, "."); found {
		t, ok := c.techniques[parent]
		return t, ok
	}
	return nil, false
}

// Tactic returns a tactic by ID or short name
func (c *Catalog) Tactic(id string) (*Tactic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tactics[strings.ToLower(id)]
	return t, ok
}

// Annotate returns graph node attributes describing a technique, or nil when
// the catalog does not know it.
func (c *Catalog) Annotate(id string) map[string]any {
	t, ok := c.Technique(id)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(t.Tactics))
	for _, short := range t.Tactics {
		if tac, ok := c.Tactic(short); ok {
			names = append(names, tac.Name)
		}
	}
	attrs := map[string]any{
		"name":         t.Name,
		"url":          t.URL,
		"tactics":      append([]string(nil), t.Tactics...),
		"tactic_names": names,
	}
	if !strings.EqualFold(t.ID, strings.TrimSpace(id)) {
		attrs["parent_id"] = t.ID
	}
	return attrs
}

func techniqueURL(id string) string {
	return fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(id, ".", "/"))
}

func (c *Catalog) initializeCommonTechniques() {
	techniques := []Technique{
		{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"credential-access"}},
		{ID: "T1003.001", Name: "LSASS Memory", Tactics: []string{"credential-access"}},
		{ID: "T1021", Name: "Remote Services", Tactics: []string{"lateral-movement"}},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"defense-evasion"}},
		{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactics: []string{"exfiltration"}},
		{ID: "T1053", Name: "Scheduled Task/Job", Tactics: []string{"execution", "persistence", "privilege-escalation"}},
		{ID: "T1055", Name: "Process Injection", Tactics: []string{"defense-evasion", "privilege-escalation"}},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"execution"}},
		{ID: "T1059.001", Name: "PowerShell", Tactics: []string{"execution"}},
		{ID: "T1059.003", Name: "Windows Command Shell", Tactics: []string{"execution"}},
		{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"privilege-escalation"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1071.001", Name: "Web Protocols", Tactics: []string{"command-and-control"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"defense-evasion", "persistence", "privilege-escalation", "initial-access"}},
		{ID: "T1105", Name: "Ingress Tool Transfer", Tactics: []string{"command-and-control"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1133", Name: "External Remote Services", Tactics: []string{"persistence", "initial-access"}},
		{ID: "T1190", Name: "Exploit Public-Facing Application", Tactics: []string{"initial-access"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
		{ID: "T1486", Name: "Data Encrypted for Impact", Tactics: []string{"impact"}},
		{ID: "T1547", Name: "Boot or Logon Autostart Execution", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1547.001", Name: "Registry Run Keys / Startup Folder", Tactics: []string{"persistence", "privilege-escalation"}},
		{ID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}},
		{ID: "T1566.001", Name: "Spearphishing Attachment", Tactics: []string{"initial-access"}},
		{ID: "T1566.002", Name: "Spearphishing Link", Tactics: []string{"initial-access"}},
		{ID: "T1568", Name: "Dynamic Resolution", Tactics: []string{"command-and-control"}},
		{ID: "T1568.002", Name: "Domain Generation Algorithms", Tactics: []string{"command-and-control"}},
		{ID: "T1583", Name: "Acquire Infrastructure", Tactics: []string{"resource-development"}},
	}

	for _, t := range techniques {
		c.register(t)
	}
}

func (c *Catalog) initializeTactics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0042", Name: "Resource Development", ShortName: "resource-development"},
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		c.tactics[t.ShortName] = t
		c.tactics[strings.ToLower(t.ID)] = t
	}
}
