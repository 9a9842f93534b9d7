package binstore

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
)

func testSnapshot(t *testing.T, descs ...IndexDescriptor) *CatalogSnapshot {
	t.Helper()
	snap, err := NewCatalogSnapshot(descs)
	if err != nil {
		t.Fatalf("NewCatalogSnapshot failed: %v", err)
	}
	return snap
}

func usersCatalog(t *testing.T) *CatalogSnapshot {
	return testSnapshot(t,
		IndexDescriptor{Name: "users_age", Namespace: "app", Set: "users", Bin: "age", Type: IndexNumeric, Selectivity: 0.02},
		IndexDescriptor{Name: "users_color", Namespace: "app", Set: "users", Bin: "color", Type: IndexString, Selectivity: 0.2},
		IndexDescriptor{Name: "users_tags", Namespace: "app", Set: "users", Bin: "tags", Type: IndexString, Collection: CollectionList, Selectivity: 0.05},
	)
}

var usersOpts = CompileOptions{Namespace: "app", Set: "users"}

func TestCompile_NilTree(t *testing.T) {
	plan, err := Compile(nil, usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !plan.FullScan || plan.Residual != nil || plan.Strategy() != StrategyFullScan {
		t.Errorf("expected an unfiltered full scan, got %+v", plan)
	}
}

func TestCompile_RequiresSet(t *testing.T) {
	_, err := Compile(Eq("age", 1), nil, CompileOptions{})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestCompile_PicksMostSelectiveIndex(t *testing.T) {
	tree := AllOf(Between("age", 20, 40), Eq("color", "blue"))
	plan, err := Compile(tree, usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	f := plan.IndexFilter
	if f == nil || f.Index != "users_age" {
		t.Fatalf("expected users_age filter, got %+v", f)
	}
	if f.Min != 20 || f.Max != 40 {
		t.Errorf("range = [%v, %v], want [20, 40]", f.Min, f.Max)
	}
	if plan.FullScan {
		t.Error("index plan must not be a full scan")
	}
	if plan.Residual == nil || !strings.Contains(plan.Residual.String(), `color = "blue"`) {
		t.Errorf("residual must restate the whole tree, got %v", plan.Residual)
	}

	explain := strings.Join(plan.Explain(), "\n")
	if !strings.Contains(explain, "index-scan") || !strings.Contains(explain, "users_age") {
		t.Errorf("unexpected explain output:\n%s", explain)
	}
}

func TestCompile_OrRootIsFullScan(t *testing.T) {
	tree := AnyOf(Eq("age", 30), Eq("color", "blue"))
	plan, err := Compile(tree, usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter != nil || !plan.FullScan {
		t.Errorf("OR root must not narrow with an index, got %+v", plan.IndexFilter)
	}
	if _, ok := plan.Residual.(*OrExpr); !ok {
		t.Errorf("residual should be an OR, got %T", plan.Residual)
	}
}

func TestCompile_IgnoreCaseSkipsIndex(t *testing.T) {
	plan, err := Compile(Eq("color", "Blue").WithIgnoreCase(), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter != nil {
		t.Errorf("case-insensitive predicate must not use an index, got %v", plan.IndexFilter)
	}
}

func TestCompile_StrictBoundsAreInclusiveInFilter(t *testing.T) {
	plan, err := Compile(Gt("age", 30), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	f := plan.IndexFilter
	if f == nil || f.Min != 30 || !math.IsInf(f.Max, 1) {
		t.Fatalf("expected [30, +inf], got %+v", f)
	}
	r := &Record{Bins: map[string]any{"age": 30}}
	if plan.Residual.Eval(r, evalNow) {
		t.Error("residual must reject the boundary value of a strict bound")
	}
}

func TestCompile_StringIndexOnlyEquality(t *testing.T) {
	plan, err := Compile(StartsWith("color", "bl"), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter != nil {
		t.Errorf("string index cannot serve STARTS_WITH, got %v", plan.IndexFilter)
	}
}

func TestCompile_CollectionIndex(t *testing.T) {
	plan, err := Compile(Containing("tags", "ops").InList(), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter == nil || plan.IndexFilter.Index != "users_tags" || plan.IndexFilter.Equals != "ops" {
		t.Fatalf("expected users_tags equality filter, got %+v", plan.IndexFilter)
	}

	plan, err = Compile(Eq("tags", "ops"), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter != nil {
		t.Error("a LIST index must not serve a scalar predicate")
	}
}

func TestCompile_IsNullOnIndexedBin(t *testing.T) {
	plan, err := Compile(AllOf(IsNull("color"), IsNotNull("age")), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter != nil {
		t.Errorf("null checks cannot use an index, got %v", plan.IndexFilter)
	}
}

func TestCompile_Identity(t *testing.T) {
	tree := AllOf(In("id", "a", "b", "a"), Gt("age", 3))
	plan, err := Compile(tree, usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.Identity == nil || !reflect.DeepEqual(plan.Identity.IDs, []string{"a", "b"}) {
		t.Fatalf("expected identity on [a b], got %+v", plan.Identity)
	}
	if plan.IndexFilter != nil || plan.FullScan {
		t.Error("identity plan must not scan")
	}
}

func TestCompile_IdentityUnderOrIsResidualOnly(t *testing.T) {
	plan, err := Compile(AnyOf(Eq("id", "a"), Eq("age", 3)), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.Identity != nil || !plan.FullScan {
		t.Errorf("identity under OR must not narrow, got %+v", plan.Identity)
	}
}

func TestCompile_TwoIdentityPredicates(t *testing.T) {
	_, err := Compile(AllOf(Eq("id", "a"), In("id", "b")), usersCatalog(t), usersOpts)
	var qe *InvalidQueryError
	if !errors.As(err, &qe) || qe.Field != "id" {
		t.Fatalf("expected InvalidQueryError on id, got %v", err)
	}
}

func TestCompile_NonStringIdentity(t *testing.T) {
	_, err := Compile(Eq("id", 5), usersCatalog(t), usersOpts)
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestCompile_ForcedIndex(t *testing.T) {
	tree := AllOf(Between("age", 20, 40), Eq("color", "blue"))
	opts := usersOpts
	opts.IndexName = "users_color"
	plan, err := Compile(tree, usersCatalog(t), opts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter == nil || plan.IndexFilter.Index != "users_color" {
		t.Fatalf("expected forced users_color, got %+v", plan.IndexFilter)
	}

	opts.IndexName = "users_tags"
	plan, err = Compile(tree, usersCatalog(t), opts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter == nil || plan.IndexFilter.Index != "users_age" {
		t.Fatalf("unusable forced index should fall back to selectivity, got %+v", plan.IndexFilter)
	}
	if len(plan.Notes) == 0 {
		t.Error("expected a note about the ignored index")
	}

	opts.IndexName = "nope"
	if _, err := Compile(tree, usersCatalog(t), opts); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("unknown index should be an invalid query, got %v", err)
	}
}

func TestCompile_TieBreakByBin(t *testing.T) {
	snap := testSnapshot(t,
		IndexDescriptor{Name: "z_idx", Set: "s", Bin: "b", Type: IndexNumeric, Selectivity: 0.1},
		IndexDescriptor{Name: "y_idx", Set: "s", Bin: "a", Type: IndexNumeric, Selectivity: 0.1},
	)
	plan, err := Compile(AllOf(Eq("b", 1), Eq("a", 2)), snap, CompileOptions{Set: "s"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter == nil || plan.IndexFilter.Bin != "a" {
		t.Fatalf("equal selectivity should prefer the lexically smaller bin, got %+v", plan.IndexFilter)
	}
}

func TestCompile_TieBreakByOperator(t *testing.T) {
	snap := testSnapshot(t, IndexDescriptor{Name: "age", Set: "s", Bin: "age", Type: IndexNumeric, Selectivity: 0.1})
	plan, err := Compile(AllOf(Gt("age", 1), Between("age", 5, 9), Eq("age", 7)), snap, CompileOptions{Set: "s"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if f := plan.IndexFilter; f == nil || f.Min != 7 || f.Max != 7 {
		t.Fatalf("equality should win over ranges, got %+v", f)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	snap := usersCatalog(t)
	tree := AllOf(Between("age", 20, 40), Eq("color", "blue"), Containing("tags", "ops").InList())
	first, err := Compile(tree, snap, usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Compile(tree, snap, usersOpts)
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("plans differ:\n%+v\n%+v", first, again)
		}
	}
}

func TestCompile_RawExpression(t *testing.T) {
	expr := AllExpr(Cmp(BinPath("age"), OpBetween, 10, 20), Cmp(BinPath("color"), OpEq, "red"))
	plan, err := Compile(Raw(expr, "users_age"), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter == nil || plan.IndexFilter.Min != 10 || plan.IndexFilter.Max != 20 {
		t.Fatalf("expected users_age [10, 20], got %+v", plan.IndexFilter)
	}
	if plan.Residual != expr {
		t.Error("raw expression must be the residual")
	}

	plan, err = Compile(Raw(AnyExpr(expr), "users_age"), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter != nil || len(plan.Notes) == 0 {
		t.Errorf("disjunctive raw expression must not use the hint, got %+v", plan.IndexFilter)
	}

	plan, err = Compile(Raw(expr, ""), usersCatalog(t), usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !plan.FullScan {
		t.Error("raw expression without a hint is a full scan")
	}
}

func TestCompile_NamespaceScopedIndex(t *testing.T) {
	opts := CompileOptions{Namespace: "other", Set: "users"}
	plan, err := Compile(Eq("age", 3), usersCatalog(t), opts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter != nil {
		t.Errorf("index of namespace app must not serve namespace other, got %v", plan.IndexFilter)
	}
}

func TestCompile_RejectsMalformedRawExpression(t *testing.T) {
	trees := []Node{
		Raw(Cmp(BinPath("age"), OpBetween, 1), "users_age"),
		Raw(Cmp(BinPath("age"), OpEq), ""),
		Raw(AllExpr(Cmp(BinPath("age"), OpGt, 1), NotOf(Cmp(Metadata(MetaTTL), OpContaining, 1))), "users_age"),
	}
	for _, tree := range trees {
		plan, err := Compile(tree, usersCatalog(t), usersOpts)
		var qe *InvalidQueryError
		if !errors.As(err, &qe) {
			t.Fatalf("Compile(%v) = %+v, %v; want *InvalidQueryError", tree, plan, err)
		}
	}
}

func TestCompile_RawHintFromOtherNamespace(t *testing.T) {
	snap := testSnapshot(t,
		IndexDescriptor{Name: "other_age", Namespace: "other", Set: "users", Bin: "age", Type: IndexNumeric},
	)
	plan, err := Compile(Raw(Cmp(BinPath("age"), OpEq, 30), "other_age"), snap, usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if plan.IndexFilter != nil || !plan.FullScan {
		t.Fatalf("index of namespace other must not serve namespace app, got %+v", plan.IndexFilter)
	}
	explain := strings.Join(plan.Explain(), "\n")
	if !strings.Contains(explain, `belongs to namespace "other"`) {
		t.Errorf("explain should say why the hint was ignored:\n%s", explain)
	}
}

func TestCompile_BetweenWithCaseInsensitiveColor(t *testing.T) {
	snap := testSnapshot(t,
		IndexDescriptor{Name: "users_age", Namespace: "app", Set: "users", Bin: "age", Type: IndexNumeric},
	)
	tree := AllOf(Between("age", 25, 30), Eq("color", "blue").WithIgnoreCase())
	plan, err := Compile(tree, snap, usersOpts)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	f := plan.IndexFilter
	if f == nil || f.Index != "users_age" || f.Min != 25 || f.Max != 30 {
		t.Fatalf("expected users_age [25, 30], got %+v", f)
	}
	if plan.FullScan {
		t.Error("index plan must not be a full scan")
	}
	residual := plan.Residual.String()
	if !strings.Contains(residual, "age BETWEEN 25 AND 30") || !strings.Contains(residual, `lower(color) = "blue"`) {
		t.Errorf("residual must keep both conjuncts, got %s", residual)
	}

	match := &Record{Bins: map[string]any{"age": 27, "color": "BLUE"}}
	miss := &Record{Bins: map[string]any{"age": 27, "color": "red"}}
	if !plan.Residual.Eval(match, evalNow) || plan.Residual.Eval(miss, evalNow) {
		t.Error("residual must compare color case-insensitively")
	}
}

func TestCompile_MetadataNeverUsesIndex(t *testing.T) {
	snap := testSnapshot(t,
		IndexDescriptor{Name: "users_ttl", Namespace: "app", Set: "users", Bin: MetaTTL.String(), Type: IndexNumeric},
	)
	for _, tree := range []Node{
		Meta(MetaTTL, OpGt, 60),
		AllOf(Meta(MetaTTL, OpGt, 60), Meta(MetaGeneration, OpEq, 2)),
		Raw(Cmp(Metadata(MetaTTL), OpGt, 60), "users_ttl"),
	} {
		plan, err := Compile(tree, snap, usersOpts)
		if err != nil {
			t.Fatalf("Compile(%v) failed: %v", tree, err)
		}
		if plan.IndexFilter != nil || !plan.FullScan {
			t.Errorf("metadata predicate %v must not become an index filter, got %+v", tree, plan.IndexFilter)
		}
	}
}
