package testfixtures

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/adapter"
)

// Scenario is a synthetic single-source users/groups/memberships dataset,
// sized and seeded the way
// original_source/tests/functional/test_scenario_01_single_datasource.py
// sizes its db_single fixture (290-300 users, 31 groups, several hundred
// memberships), with the same kind of sentinel bad rows the Python suite
// injects to exercise the error queue and autoremediation paths: two users
// with a rejected attribute value, one user whose handler fails only after
// a first successful side effect (a "partially processed" case), and two
// groups whose name collides with another row once a naming transform is
// applied downstream.
type Scenario struct {
	Users        *TableAdapter
	Groups       *TableAdapter
	Memberships  *TableAdapter
	SentinelHard []string // logins expected to always fail (middle_name carries the "error" marker)
	SentinelSoft []string // logins expected to fail after partial processing
}

const (
	scenarioUserCount  = 300
	scenarioGroupCount = 31
)

// hard-failure sentinels: their middle_name is set to "error", a value
// downstream handlers are expected to reject outright.
var hardFailureLogins = map[string]bool{"storres": true, "kturner": true}

// soft-failure sentinel: downstream handlers are expected to succeed on a
// first side effect then fail on a second, marking the event partially
// processed.
var softFailureLogins = map[string]bool{"twagner": true}

// collidingGroupNames are renamed so two distinct simpleids map to the
// same post-transform group name, forcing an integrity-constraint drop.
var collidingGroupNames = map[int]string{4: "marine_engineering", 9: "energy"}

// buildUserRows constructs the user table concurrently over a small worker
// pool: one row is independent of the next, so the repeated per-row
// formatting work fans out instead of running as a tight sequential loop.
// Each worker writes to its own pre-sized slot, so results come back in
// deterministic index order regardless of completion order.
func buildUserRows() ([]adapter.Row, []string) {
	firstNames := []string{"John", "Mary", "Paul", "Sarah", "Luc", "Anna", "Tom", "Elena", "Marc", "Julia"}
	lastNames := []string{"Torres", "Wagner", "Turner", "Smith", "Durand", "Keller", "Moreau", "Nguyen", "Rossi", "Becker"}

	rows := make([]adapter.Row, scenarioUserCount)
	logins := make([]string, scenarioUserCount)

	pool, err := ants.NewPool(16)
	if err != nil {
		// Falls back to sequential construction; the pool is a throughput
		// optimization, not a correctness requirement.
		for i := 0; i < scenarioUserCount; i++ {
			rows[i], logins[i] = buildUserRow(i, firstNames, lastNames)
		}
		return rows, logins
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := 0; i < scenarioUserCount; i++ {
		i := i
		wg.Add(1)
		_ = pool.Submit(func() {
			defer wg.Done()
			rows[i], logins[i] = buildUserRow(i, firstNames, lastNames)
		})
	}
	wg.Wait()
	return rows, logins
}

func buildUserRow(i int, firstNames, lastNames []string) (adapter.Row, string) {
	n := i + 1
	login := fmt.Sprintf("user%03d", n)
	first := firstNames[i%len(firstNames)]
	last := lastNames[i%len(lastNames)]
	middle := ""

	switch {
	case n == 1:
		login, last, middle = "storres", "Torres", "error"
	case n == 2:
		login, last, middle = "kturner", "Turner", "error"
	case n == 3:
		login, last, middle = "twagner", "Wagner", "error_on_second_step"
	}

	return adapter.Row{
		"id":          uuid.NewString(),
		"simpleid":    n,
		"first_name":  first,
		"middle_name": middle,
		"last_name":   last,
		"login":       login,
	}, login
}

// NewScenario builds the three-table fixture described above.
func NewScenario() *Scenario {
	userRows, logins := buildUserRows()

	groupRows := make([]adapter.Row, 0, scenarioGroupCount)
	groupIDs := make([]string, 0, scenarioGroupCount)
	groupNames := make([]string, 0, scenarioGroupCount)
	for i := 1; i <= scenarioGroupCount; i++ {
		name := fmt.Sprintf("group%02d", i)
		if renamed, ok := collidingGroupNames[i]; ok {
			name = renamed
		}
		id := uuid.NewString()
		groupRows = append(groupRows, adapter.Row{
			"id":       id,
			"simpleid": i,
			"name":     name,
		})
		groupIDs = append(groupIDs, id)
		groupNames = append(groupNames, name)
	}

	const targetMemberships = 868
	var memberRows []adapter.Row
	perGroup := targetMemberships / scenarioGroupCount
	if perGroup < 1 {
		perGroup = 1
	}
	for gi, gname := range groupNames {
		for k := 0; k < perGroup && k < len(logins); k++ {
			ui := (gi*perGroup + k) % len(logins)
			memberRows = append(memberRows, adapter.Row{
				"group_id":   groupIDs[gi],
				"group_name": gname,
				"user_id":    userRows[ui]["id"],
				"user_login": logins[ui],
			})
		}
	}

	return &Scenario{
		Users:        NewTableAdapter("users_all", "login", userRows),
		Groups:       NewTableAdapter("groups", "name", groupRows),
		Memberships:  NewTableAdapter("groupmembers", "", memberRows),
		SentinelHard: lo.Keys(hardFailureLogins),
		SentinelSoft: lo.Keys(softFailureLogins),
	}
}
