package toolset_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"stratagem/runtime/strategy"
	"stratagem/runtime/toolset"
	"stratagem/runtime/turn"
	"stratagem/runtime/wdk"
)

type executeOut struct {
	GraphID    string `json:"graph_id"`
	StrategyID int    `json:"strategy_id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Steps      int    `json:"steps"`
	StepCount  *int   `json:"step_count"`
	Updated    bool   `json:"updated"`
}

func TestExecuteStrategyPushes(t *testing.T) {
	ts, fake, rec, session := newTestToolset(t)

	a := addStep(t, ts, `{"record_type":"gene","search_name":"GenesByText","parameters":{"text_expression":"kinase"}}`)
	b := addStep(t, ts, `{"search_name":"GenesByTaxon","parameters":{"organism":"P. falciparum"}}`)
	c := addStep(t, ts, `{"primary_input":"`+a.StepID+`","secondary_input":"`+b.StepID+`","operator":"MINUS"}`)

	out := invoke(t, ts, "execute_strategy", `{"name":"kinases minus pf","description":"text hits without P. falciparum"}`)
	var res executeOut
	require.NoError(t, json.Unmarshal(out, &res))
	require.Equal(t, 901, res.StrategyID)
	require.Equal(t, "kinases minus pf", res.Name)
	require.Equal(t, "https://plasmodb.org/plasmo/app/workspace/strategies/901", res.URL)
	require.Equal(t, 3, res.Steps)
	require.NotNil(t, res.StepCount)
	require.Equal(t, 42, *res.StepCount)
	require.False(t, res.Updated)

	pushed := fake.strategies[901]
	require.Equal(t, "kinases minus pf", pushed.Name)
	require.True(t, pushed.IsSaved)
	// Post-order creation: two leaves then the combine, which roots the tree.
	require.Equal(t, 103, pushed.Tree.StepID)
	require.Equal(t, 101, pushed.Tree.PrimaryInput.StepID)
	require.Equal(t, 102, pushed.Tree.SecondaryInput.StepID)

	g, err := session.Graph(a.GraphID)
	require.NoError(t, err)
	require.NotNil(t, g.GetStep(c.StepID).ExternalStepID)
	require.Equal(t, 103, *g.GetStep(c.StepID).ExternalStepID)
	require.NotNil(t, g.Pushed())
	require.Equal(t, 901, g.Pushed().StrategyID)

	require.Len(t, rec.byType(turn.EventStrategyMeta), 1)
	links := rec.byType(turn.EventStrategyLink)
	require.Len(t, links, 1)
	link := links[0].Data.(*turn.StrategyLink)
	require.Equal(t, 901, link.StrategyID)
	require.Equal(t, res.URL, link.URL)
}

func TestExecuteStrategyUpdatesInPlace(t *testing.T) {
	ts, fake, _, _ := newTestToolset(t)

	a := addStep(t, ts, `{"record_type":"gene","search_name":"GenesByText","parameters":{"text_expression":"kinase"}}`)
	invoke(t, ts, "execute_strategy", `{"name":"first push"}`)

	invoke(t, ts, "rename_step", `{"step_id":"`+a.StepID+`","display_name":"kinase hits"}`)
	out := invoke(t, ts, "execute_strategy", `{"name":"second push"}`)
	var res executeOut
	require.NoError(t, json.Unmarshal(out, &res))
	require.True(t, res.Updated)
	require.Equal(t, 901, res.StrategyID)

	require.Len(t, fake.strategies, 1)
	require.Contains(t, fake.treeUpdates, 901)
	require.Equal(t, "second push", *fake.patches[901].Name)
}

func TestExecuteStrategyRecreatesWhenRemoteGone(t *testing.T) {
	ts, fake, _, _ := newTestToolset(t)

	addStep(t, ts, `{"record_type":"gene","search_name":"GenesByText","parameters":{"text_expression":"kinase"}}`)
	invoke(t, ts, "execute_strategy", `{"name":"first push"}`)

	fake.treeUpdate404 = true
	out := invoke(t, ts, "execute_strategy", `{"name":"push again"}`)
	var res executeOut
	require.NoError(t, json.Unmarshal(out, &res))
	require.False(t, res.Updated)
	require.Equal(t, 902, res.StrategyID)
	require.Len(t, fake.strategies, 2)
}

func TestExecuteStrategyFoldsMultiRootGraphs(t *testing.T) {
	ts, _, rec, session := newTestToolset(t)

	a := addStep(t, ts, `{"record_type":"gene","search_name":"GenesByText"}`)
	addStep(t, ts, `{"search_name":"GenesByTaxon"}`)

	out := invoke(t, ts, "execute_strategy", `{"name":"both"}`)
	var res executeOut
	require.NoError(t, json.Unmarshal(out, &res))
	require.Equal(t, 3, res.Steps)

	g, err := session.Graph(a.GraphID)
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())
	roots := g.RootIDs()
	require.Len(t, roots, 1)
	require.Equal(t, strategy.OpUnion, g.GetStep(roots[0]).Operator)

	// The fold step is announced before the pushed snapshot.
	require.Len(t, rec.byType(turn.EventStrategyUpdate), 3)
}

func TestExecuteStrategyRejectsEmptyGraph(t *testing.T) {
	ts, _, _, _ := newTestToolset(t)

	te := invokeErr(t, ts, "execute_strategy", `{}`)
	require.Equal(t, "INVALID_STRATEGY", te.Code)
}

func TestExecuteStrategyUsesExistingStrategyID(t *testing.T) {
	// A conversation that already pushed strategy 555 updates it in place
	// instead of creating a new one.
	ts, fake, _, _ := newTestToolset(t, func(cfg *toolset.Config) {
		cfg.ExistingStrategyID = 555
	})

	addStep(t, ts, `{"record_type":"gene","search_name":"GenesByText"}`)
	out := invoke(t, ts, "execute_strategy", `{"name":"continued"}`)
	var res executeOut
	require.NoError(t, json.Unmarshal(out, &res))
	require.True(t, res.Updated)
	require.Equal(t, 555, res.StrategyID)
	require.Contains(t, fake.treeUpdates, 555)
	require.Empty(t, fake.strategies)
}

func TestPreviewStepCountUsesTransientStrategy(t *testing.T) {
	ts, fake, _, session := newTestToolset(t)

	a := addStep(t, ts, `{"record_type":"gene","search_name":"GenesByText","parameters":{"text_expression":"kinase"}}`)
	b := addStep(t, ts, `{"search_name":"GenesByTaxon"}`)
	addStep(t, ts, `{"primary_input":"`+a.StepID+`","secondary_input":"`+b.StepID+`","operator":"INTERSECT"}`)

	created := fake.stepsCreated
	out := invoke(t, ts, "preview_step_count", `{"step_id":"`+a.StepID+`"}`)
	var res struct {
		StepID string `json:"step_id"`
		Count  int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	require.Equal(t, a.StepID, res.StepID)
	require.Equal(t, 42, res.Count)

	// Only the leaf's subtree was compiled.
	require.Equal(t, created+1, fake.stepsCreated)

	// The transient strategy is internal, unsaved, and cleaned up.
	require.Len(t, fake.strategies, 1)
	for id, s := range fake.strategies {
		require.True(t, wdk.IsInternal(s.Name))
		require.False(t, s.IsSaved)
		require.Equal(t, []int{id}, fake.deleted)
	}

	// The graph itself is untouched: no external ids were bound.
	g, err := session.Graph(a.GraphID)
	require.NoError(t, err)
	require.Nil(t, g.GetStep(a.StepID).ExternalStepID)
	require.Equal(t, 3, g.Len())
}

func TestPreviewStepCountDefaultsToRoot(t *testing.T) {
	ts, _, _, _ := newTestToolset(t)

	a := addStep(t, ts, `{"record_type":"gene","search_name":"GenesByText"}`)
	b := addStep(t, ts, `{"search_name":"GenesByTaxon"}`)
	c := addStep(t, ts, `{"primary_input":"`+a.StepID+`","secondary_input":"`+b.StepID+`","operator":"UNION"}`)

	out := invoke(t, ts, "preview_step_count", `{}`)
	var res struct {
		StepID string `json:"step_id"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	require.Equal(t, c.StepID, res.StepID)
}

func TestPreviewStepCountMultiRootNeedsStepID(t *testing.T) {
	ts, _, _, _ := newTestToolset(t)

	addStep(t, ts, `{"record_type":"gene","search_name":"GenesByText"}`)
	addStep(t, ts, `{"search_name":"GenesByTaxon"}`)

	te := invokeErr(t, ts, "preview_step_count", `{}`)
	require.Equal(t, string(strategy.CodeMultipleRoots), te.Code)
}

func TestCreateIDDataset(t *testing.T) {
	ts, fake, _, _ := newTestToolset(t)

	out := invoke(t, ts, "create_id_dataset", `{"ids":["PF3D7_0731500","PF3D7_1133400"]}`)
	require.JSONEq(t, `{"dataset_id":7700,"count":2}`, string(out))
	require.Equal(t, [][]string{{"PF3D7_0731500", "PF3D7_1133400"}}, fake.datasets)

	te := invokeErr(t, ts, "create_id_dataset", `{"ids":[]}`)
	require.Equal(t, "INVALID_ARGUMENTS", te.Code)
}
