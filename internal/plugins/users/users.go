// Package users reports local account and group changes. It diffs the
// current /etc/passwd and /etc/group contents against the last reported
// baseline and only sends the delta; a resynchronize directive drops the
// baseline so the next run reports everything.
package users

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/outpost-sys/outpost/internal/bus"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/registry"
	"github.com/outpost-sys/outpost/internal/snapshot"
)

const (
	messageType = "users"
	scope       = "users"
	baselineKey = "baseline"

	defaultInterval = 15 * time.Minute
)

// User is one local account as reported to the server.
type User struct {
	Username string `json:"username"`
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
	Name     string `json:"name,omitempty"`
	Home     string `json:"home,omitempty"`
	Shell    string `json:"shell,omitempty"`
}

// Group is one local group as reported to the server.
type Group struct {
	Name    string   `json:"name"`
	GID     int      `json:"gid"`
	Members []string `json:"members,omitempty"`
}

type baseline struct {
	Users  map[string]User  `json:"users"`
	Groups map[string]Group `json:"groups"`
}

// Plugin watches the local account database.
type Plugin struct {
	sender    registry.Sender
	snapshots *snapshot.Store
	logger    *slog.Logger

	passwdPath string
	groupPath  string
	interval   time.Duration
}

// New builds the users plugin.
func New(snapshots *snapshot.Store, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		snapshots:  snapshots,
		logger:     logger.With("plugin", "users"),
		passwdPath: "/etc/passwd",
		groupPath:  "/etc/group",
		interval:   defaultInterval,
	}
}

func (p *Plugin) Name() string { return "users" }

// Register wires the plugin into the registry.
func (p *Plugin) Register(r *registry.Registry) error {
	p.sender = r.Sender()
	p.sender.RegisterType(messageType)
	r.AddPeriodic(p.Name(), p.interval, p.run)
	r.OnResynchronize(p.Name(), scope, p.resynchronize)
	return nil
}

func (p *Plugin) resynchronize(ctx context.Context, ev bus.ResynchronizeEvent) error {
	p.logger.Info("dropping users baseline for resynchronize")
	return p.snapshots.Delete(ctx, scope, baselineKey)
}

func (p *Plugin) run(ctx context.Context) error {
	current := baseline{
		Users:  p.readUsers(),
		Groups: p.readGroups(),
	}

	var prev baseline
	hadBaseline, err := p.snapshots.GetJSON(ctx, scope, baselineKey, &prev)
	if err != nil {
		return err
	}
	if !hadBaseline {
		prev = baseline{}
	}

	msg := diffMessage(prev, current)
	if msg == nil {
		return nil
	}
	if _, err := p.sender.Send(ctx, msg, false); err != nil {
		return err
	}
	// The baseline only moves once the message is durably queued.
	return p.snapshots.SetJSON(ctx, scope, baselineKey, current)
}

// diffMessage builds the delta message, or nil when nothing changed.
func diffMessage(prev, current baseline) msgstore.Message {
	var createUsers, updateUsers []User
	var deleteUsers []string
	for _, name := range sortedUserNames(current.Users) {
		u := current.Users[name]
		old, ok := prev.Users[name]
		switch {
		case !ok:
			createUsers = append(createUsers, u)
		case !reflect.DeepEqual(old, u):
			updateUsers = append(updateUsers, u)
		}
	}
	for _, name := range sortedUserNames(prev.Users) {
		if _, ok := current.Users[name]; !ok {
			deleteUsers = append(deleteUsers, name)
		}
	}

	var createGroups, updateGroups []Group
	var deleteGroups []string
	for _, name := range sortedGroupNames(current.Groups) {
		g := current.Groups[name]
		old, ok := prev.Groups[name]
		switch {
		case !ok:
			createGroups = append(createGroups, g)
		case !reflect.DeepEqual(old, g):
			updateGroups = append(updateGroups, g)
		}
	}
	for _, name := range sortedGroupNames(prev.Groups) {
		if _, ok := current.Groups[name]; !ok {
			deleteGroups = append(deleteGroups, name)
		}
	}

	if len(createUsers) == 0 && len(updateUsers) == 0 && len(deleteUsers) == 0 &&
		len(createGroups) == 0 && len(updateGroups) == 0 && len(deleteGroups) == 0 {
		return nil
	}

	msg := msgstore.Message{"type": messageType}
	if len(createUsers) > 0 {
		msg["create-users"] = createUsers
	}
	if len(updateUsers) > 0 {
		msg["update-users"] = updateUsers
	}
	if len(deleteUsers) > 0 {
		msg["delete-users"] = deleteUsers
	}
	if len(createGroups) > 0 {
		msg["create-groups"] = createGroups
	}
	if len(updateGroups) > 0 {
		msg["update-groups"] = updateGroups
	}
	if len(deleteGroups) > 0 {
		msg["delete-groups"] = deleteGroups
	}
	return msg
}

func sortedUserNames(m map[string]User) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedGroupNames(m map[string]Group) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// readUsers parses the passwd file. A missing file yields no users;
// malformed lines are skipped and logged.
func (p *Plugin) readUsers() map[string]User {
	users := make(map[string]User)
	p.eachLine(p.passwdPath, func(line string) {
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			p.logger.Warn("skipping malformed passwd line", "file", p.passwdPath)
			return
		}
		uid, err1 := strconv.Atoi(fields[2])
		gid, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			p.logger.Warn("skipping passwd line with bad ids", "user", fields[0])
			return
		}
		// GECOS holds the full name before the first comma.
		name, _, _ := strings.Cut(fields[4], ",")
		users[fields[0]] = User{
			Username: fields[0],
			UID:      uid,
			GID:      gid,
			Name:     name,
			Home:     fields[5],
			Shell:    fields[6],
		}
	})
	return users
}

// readGroups parses the group file the same way.
func (p *Plugin) readGroups() map[string]Group {
	groups := make(map[string]Group)
	p.eachLine(p.groupPath, func(line string) {
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			p.logger.Warn("skipping malformed group line", "file", p.groupPath)
			return
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil {
			p.logger.Warn("skipping group line with bad gid", "group", fields[0])
			return
		}
		var members []string
		if fields[3] != "" {
			members = strings.Split(fields[3], ",")
			sort.Strings(members)
		}
		groups[fields[0]] = Group{Name: fields[0], GID: gid, Members: members}
	})
	return groups
}

func (p *Plugin) eachLine(path string, fn func(line string)) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("cannot read account database", "file", path, "error", err)
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn(line)
	}
}
