package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"hallpass/pkg/types"
)

const numericSlugPrefix = "student_"

// rosterPlan accumulates the accepted rows of one import on top of the cached roster
type rosterPlan struct {
	classes   []string
	known     map[string]bool
	aliases   map[string]string // canonical class name -> stored class name
	rosters   map[string]types.Students
	byName    map[string]map[string]string // class -> displayName -> studentID
	seenInRun map[string]int               // class/displayName -> row
	updates   map[string]any
	touched   map[string]bool
	report    types.ImportReport
}

// ImportRoster adds the rows to the roster in a single merge
// FUNCTIONAL DISCOVERY: Rows over a limit or with a bad class name are skipped and
// reported instead of failing the batch; limits count the data already stored
func (g *Gateway) ImportRoster(ctx context.Context, rows []types.RosterRow) (types.ImportReport, error) {
	if len(rows) == 0 {
		return types.ImportReport{}, types.NewValidationError("rows", ErrEmptyRoster)
	}
	if !g.store.Connected() {
		return types.ImportReport{}, &types.TransportError{Op: types.OpMerge, Err: types.ErrOffline}
	}
	// the merge replaces the class list, so it must start from the stored one
	if !g.cache.IsLoaded() {
		return types.ImportReport{}, &types.TransportError{Op: types.OpMerge, Path: types.PathClasses, Err: types.ErrNotLoaded}
	}

	plan := g.newPlan()
	for i, row := range rows {
		row.DisplayName = strings.Join(strings.Fields(row.DisplayName), " ")
		row.ClassID = types.CanonicalClassID(row.ClassID)
		if err := plan.add(g, i+1, row); err != nil {
			plan.report.Skipped = append(plan.report.Skipped, types.SkippedRow{Row: i + 1, Input: row, Reason: err.Error()})
		}
	}
	plan.report.ClassCount = len(plan.touched)

	if len(plan.updates) == 0 {
		g.logger.Info("roster import wrote nothing", zap.Int("skipped", len(plan.report.Skipped)))
		return plan.report, nil
	}
	plan.updates[types.PathClasses] = plan.classes

	if err := g.store.Merge(ctx, plan.updates); err != nil {
		return types.ImportReport{}, transportError(types.OpMerge, "", err)
	}

	g.logger.Info("roster imported",
		zap.Int("classes", plan.report.ClassCount),
		zap.Int("students", plan.report.StudentCount),
		zap.Int("skipped", len(plan.report.Skipped)))
	return plan.report, nil
}

func (g *Gateway) newPlan() *rosterPlan {
	snapshot := g.cache.Snapshot()
	plan := &rosterPlan{
		classes:   snapshot.Classes,
		known:     make(map[string]bool, len(snapshot.Classes)),
		aliases:   make(map[string]string, len(snapshot.Classes)),
		rosters:   snapshot.Students,
		byName:    make(map[string]map[string]string),
		seenInRun: make(map[string]int),
		updates:   make(map[string]any),
		touched:   make(map[string]bool),
	}
	for _, class := range snapshot.Classes {
		plan.known[class] = true
		if _, taken := plan.aliases[types.CanonicalClassID(class)]; !taken {
			plan.aliases[types.CanonicalClassID(class)] = class
		}
	}
	for class, roster := range snapshot.Students {
		names := make(map[string]string, len(roster))
		for id, student := range roster {
			names[student.DisplayName] = id
		}
		plan.byName[class] = names
	}
	return plan
}

func (p *rosterPlan) add(g *Gateway, rowNumber int, row types.RosterRow) error {
	if err := g.validate.Struct(row); err != nil {
		return ErrMissingFields
	}
	if !types.IsValidClassID(row.ClassID) {
		return fmt.Errorf("%w: %q", types.ErrInvalidClassID, row.ClassID)
	}
	slug := types.Slugify(row.DisplayName)
	if slug == "" || !types.IsValidSegment(slug) {
		return ErrUnusableName
	}
	// TECHNICAL DISCOVERY: A roster keyed 0..n-1 reads back as a JSON list, so
	// purely numeric ids get a letter prefix
	if _, err := strconv.Atoi(slug); err == nil {
		slug = numericSlugPrefix + slug
	}

	// an existing class spelled with other casing keeps its stored name
	class := row.ClassID
	if stored, ok := p.aliases[class]; ok {
		class = stored
	}

	runKey := class + "/" + row.DisplayName
	if first, dup := p.seenInRun[runKey]; dup {
		return fmt.Errorf("%w (row %d)", ErrDuplicateRow, first)
	}

	if !p.known[class] && len(p.classes) >= types.MaxClasses {
		return &types.CapacityError{Limit: types.MaxClasses, Reason: fmt.Sprintf("%v: %s", ErrClassLimit, class)}
	}

	roster := p.rosters[class]
	id, existing := p.byName[class][row.DisplayName]
	if !existing {
		if len(roster) >= types.MaxStudentsPerClass {
			return &types.CapacityError{Limit: types.MaxStudentsPerClass, Reason: fmt.Sprintf("%v: %s", ErrStudentLimit, class)}
		}
		id = uniqueID(slug, roster)
	}

	if !p.known[class] {
		p.known[class] = true
		p.aliases[class] = class
		p.classes = append(p.classes, class)
	}
	if roster == nil {
		roster = make(types.Students)
		p.rosters[class] = roster
	}
	if p.byName[class] == nil {
		p.byName[class] = make(map[string]string)
	}
	student := types.Student{DisplayName: row.DisplayName}
	roster[id] = student
	p.byName[class][row.DisplayName] = id
	p.seenInRun[runKey] = rowNumber
	p.updates[types.StudentPath(class, id)] = student
	p.touched[class] = true
	p.report.StudentCount++
	return nil
}

// uniqueID appends _2, _3, ... until slug is free in roster
func uniqueID(slug string, roster types.Students) string {
	if _, taken := roster[slug]; !taken {
		return slug
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", slug, n)
		if _, taken := roster[candidate]; !taken {
			return candidate
		}
	}
}
