package output

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func TestWriterSerializesAppends(t *testing.T) {
	path := File(t.TempDir(), 1)
	w, err := NewWriter(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, w.Append(Record{ID: "CCO", Score: -7.5}))
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 50, "every append is exactly one intact line")
	for _, r := range records {
		require.Equal(t, Record{ID: "CCO", Score: -7.5}, r)
	}
}

func TestParse(t *testing.T) {
	records, err := Parse(strings.NewReader("CCO, -9.2\nNN, 10000\n\n"))
	require.NoError(t, err)
	require.Equal(t, []Record{{ID: "CCO", Score: -9.2}, {ID: "NN", Score: 10000}}, records)

	_, err = Parse(strings.NewReader("no separator here\n"))
	require.Error(t, err)
}

func TestCombine(t *testing.T) {
	Convey("Given output logs for a 3-partition batch with one crashed job", t, func() {
		dir := t.TempDir()
		So(os.WriteFile(File(dir, 1), []byte("A, -5\n"), 0o644), ShouldBeNil)
		// partition 2 crashed before producing output
		So(os.WriteFile(File(dir, 3), []byte("C, 10000\n"), 0o644), ShouldBeNil)

		combined := filepath.Join(dir, "combined_output.txt")
		n, err := Combine(dir, 3, combined)
		So(err, ShouldBeNil)

		Convey("All records from present logs are merged", func() {
			So(n, ShouldEqual, 2)
			records, err := ReadFile(combined)
			So(err, ShouldBeNil)
			So(records, ShouldResemble, []Record{{ID: "A", Score: -5}, {ID: "C", Score: 10000}})
		})

		Convey("Per-partition logs are deleted after the merge", func() {
			_, err := os.Stat(File(dir, 1))
			So(os.IsNotExist(err), ShouldBeTrue)
			_, err = os.Stat(File(dir, 3))
			So(os.IsNotExist(err), ShouldBeTrue)
		})
	})
}
