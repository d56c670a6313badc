package commands

import "strings"

// helpText lists the commands the caller can reach; admin and owner
// commands are listed last.
func (m *Manager) helpText(req *Request) string {
	owner := req != nil && m.isOwner(req.Message.Platform, req.Message.FromID)
	var public, admin []string
	for _, c := range m.Commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		line := orDefault(c.Usage, "/"+c.Name)
		if c.Description != "" {
			line += " - " + c.Description
		}
		if c.Access == AccessEveryone {
			public = append(public, line)
		} else {
			admin = append(admin, line)
		}
	}
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString(strings.Join(public, "\n"))
	if len(admin) > 0 {
		b.WriteString("\n\nAdministration:\n")
		b.WriteString(strings.Join(admin, "\n"))
	}
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
