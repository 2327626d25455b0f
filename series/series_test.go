package series

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadamian/dicommeta"
)

func instance(path, uid string, imageType ...string) *dicommeta.Instance {
	h := dicommeta.Header{}
	if uid != "" {
		h["SeriesInstanceUID"] = dicommeta.Value{Kind: dicommeta.KindString, Str: uid}
	}
	return &dicommeta.Instance{Path: path, Header: h, SeriesInstanceUID: uid, ImageType: imageType}
}

func withIOP(inst *dicommeta.Instance, iop ...float64) *dicommeta.Instance {
	inst.Header["ImageOrientationPatient"] = dicommeta.Value{Kind: dicommeta.KindNumbers, Nums: iop}
	return inst
}

func paths(insts []*dicommeta.Instance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.Path
	}
	return out
}

func TestGroup(t *testing.T) {
	insts := []*dicommeta.Instance{
		instance("1", "A", "ORIGINAL", "PRIMARY"),
		instance("2", "B", "ORIGINAL", "PRIMARY"),
		instance("3", "A", "ORIGINAL", "PRIMARY", "localizer"),
		instance("4", ""),
		instance("5", "B"),
	}

	groups := GroupInstances(insts, Options{})
	require.Len(t, groups, 3)

	assert.Equal(t, "A", groups[0].Key)
	assert.Equal(t, []string{"1", "3"}, paths(groups[0].Instances))
	assert.True(t, groups[0].Localizer)
	assert.False(t, groups[0].IsLocalizer(0))
	assert.True(t, groups[0].IsLocalizer(1))

	assert.Equal(t, "B", groups[1].Key)
	assert.Equal(t, []string{"2", "5"}, paths(groups[1].Instances))
	assert.False(t, groups[1].Localizer)

	assert.True(t, groups[2].Ungroupable)
	assert.Contains(t, groups[2].Key, "ungrouped-")
	assert.Equal(t, []string{"4"}, paths(groups[2].Instances))
}

func TestGroupIsDeterministic(t *testing.T) {
	insts := []*dicommeta.Instance{instance("x/1", ""), instance("x/2", ""), instance("x/3", "C")}

	first := GroupInstances(insts, Options{})
	for i := 0; i < 5; i++ {
		again := GroupInstances(insts, Options{})
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Key, again[j].Key)
			assert.Equal(t, paths(first[j].Instances), paths(again[j].Instances))
		}
	}
	assert.NotEqual(t, first[0].Key, first[1].Key)
}

func TestGroupCustomTokens(t *testing.T) {
	insts := []*dicommeta.Instance{instance("1", "A", "DERIVED", "Scout"), instance("2", "A", "LOCALIZER")}

	groups := GroupInstances(insts, Options{LocalizerTokens: []string{"SCOUT"}})
	require.Len(t, groups, 1)
	assert.True(t, groups[0].IsLocalizer(0))
	assert.False(t, groups[0].IsLocalizer(1))
}

func TestGroupByOrientation(t *testing.T) {
	var insts []*dicommeta.Instance
	for i := 0; i < 20; i++ {
		insts = append(insts, withIOP(instance(fmt.Sprint(i), "A"), 1, 0, 0, 0, 1, 0))
	}
	insts = append(insts, withIOP(instance("scout", "A"), 0, 1, 0, 0, 0, -1))

	groups := GroupInstances(insts, Options{})
	require.Len(t, groups, 1)
	assert.False(t, groups[0].Localizer)

	groups = GroupInstances(insts, Options{ByOrientation: true})
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Localizer)
	assert.True(t, groups[0].IsLocalizer(20))
	assert.False(t, groups[0].IsLocalizer(0))
}

func TestGroupByOrientationNeedsFewDistinct(t *testing.T) {
	// 2 distinct orientations over 4 images is too many for an embedded localizer
	insts := []*dicommeta.Instance{
		withIOP(instance("1", "A"), 1, 0, 0, 0, 1, 0),
		withIOP(instance("2", "A"), 1, 0, 0, 0, 1, 0),
		withIOP(instance("3", "A"), 1, 0, 0, 0, 1, 0),
		withIOP(instance("4", "A"), 0, 1, 0, 0, 0, -1),
	}

	groups := GroupInstances(insts, Options{ByOrientation: true})
	assert.False(t, groups[0].Localizer)
}

func TestSplitBoundary(t *testing.T) {
	insts := []*dicommeta.Instance{instance("1", "A"), instance("2", "B"), instance("3", "A")}
	groups := GroupInstances(insts, Options{})

	units := Split(groups, SplitOptions{SplitOnSeriesUID: true, SplitLocalizer: true})
	require.Len(t, units, 2)
	assert.Equal(t, Series, units[0].Kind)
	assert.Equal(t, []string{"1", "3"}, paths(units[0].Instances))
	assert.Equal(t, []string{"2"}, paths(units[1].Instances))

	units = Split(groups, SplitOptions{SplitOnSeriesUID: false, SplitLocalizer: true})
	require.Len(t, units, 1)
	assert.Equal(t, Whole, units[0].Kind)
	assert.Len(t, units[0].Instances, 3)
}

func TestSplitLocalizerIsolation(t *testing.T) {
	insts := []*dicommeta.Instance{
		instance("1", "A", "ORIGINAL", "PRIMARY"),
		instance("2", "A", "ORIGINAL", "PRIMARY", "LOCALIZER"),
		instance("3", "A", "ORIGINAL", "PRIMARY"),
	}

	units := Split(GroupInstances(insts, Options{}), SplitOptions{SplitOnSeriesUID: true, SplitLocalizer: true})
	require.Len(t, units, 2)
	assert.Equal(t, Series, units[0].Kind)
	assert.Equal(t, []string{"1", "3"}, paths(units[0].Instances))
	assert.Equal(t, Localizer, units[1].Kind)
	assert.Equal(t, []string{"2"}, paths(units[1].Instances))

	units = Split(GroupInstances(insts, Options{}), SplitOptions{SplitOnSeriesUID: true, SplitLocalizer: false})
	require.Len(t, units, 1)
	assert.Len(t, units[0].Instances, 3)
}

func TestSplitLocalizerAcrossSeries(t *testing.T) {
	insts := []*dicommeta.Instance{
		instance("1", "A"),
		instance("2", "B", "SCREEN SAVE"),
		instance("3", "B"),
	}

	units := Split(GroupInstances(insts, Options{}), SplitOptions{SplitOnSeriesUID: false, SplitLocalizer: true})
	require.Len(t, units, 2)
	assert.Equal(t, Primary, units[0].Kind)
	assert.Nil(t, units[0].Group)
	assert.Equal(t, []string{"1", "3"}, paths(units[0].Instances))
	assert.Equal(t, Localizer, units[1].Kind)
	assert.Equal(t, []string{"2"}, paths(units[1].Instances))
}

func TestSplitNeverEmitsEmptyUnits(t *testing.T) {
	insts := []*dicommeta.Instance{instance("1", "A", "LOCALIZER"), instance("2", "A", "LOCALIZER")}

	units := Split(GroupInstances(insts, Options{}), SplitOptions{SplitOnSeriesUID: true, SplitLocalizer: true})
	require.Len(t, units, 1)
	assert.Equal(t, Localizer, units[0].Kind)

	units = Split(GroupInstances(insts, Options{}), SplitOptions{SplitLocalizer: true})
	require.Len(t, units, 1)
	assert.Equal(t, Localizer, units[0].Kind)

	assert.Empty(t, Split(nil, SplitOptions{SplitOnSeriesUID: true}))
	assert.Empty(t, Split(nil, SplitOptions{}))
}

func TestSplitPartition(t *testing.T) {
	insts := []*dicommeta.Instance{
		instance("1", "A"),
		instance("2", "A", "LOCALIZER"),
		instance("3", ""),
		instance("4", "B", "SCREEN SAVE"),
		instance("5", "B"),
		instance("6", "C"),
		instance("7", ""),
	}
	groups := GroupInstances(insts, Options{})

	for _, opts := range []SplitOptions{
		{SplitOnSeriesUID: true, SplitLocalizer: true},
		{SplitOnSeriesUID: true, SplitLocalizer: false},
		{SplitOnSeriesUID: false, SplitLocalizer: true},
		{SplitOnSeriesUID: false, SplitLocalizer: false},
	} {
		t.Run(fmt.Sprintf("%+v", opts), func(t *testing.T) {
			seen := map[*dicommeta.Instance]int{}
			for _, u := range Split(groups, opts) {
				require.NotEmpty(t, u.Instances)
				for _, inst := range u.Instances {
					seen[inst]++
				}
			}
			require.Len(t, seen, len(insts))
			for _, inst := range insts {
				assert.Equal(t, 1, seen[inst], inst.Path)
			}
		})
	}
}
