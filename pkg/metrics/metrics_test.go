package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorTables(t *testing.T) {
	c := NewCollector("pgsync_test")

	c.TableStarted()
	c.TableStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(c.tablesInFlight))

	c.TableDone()
	c.TableDone()
	c.TableFinished("orders", "success")
	c.TableFinished("orders", "failed")
	c.TableFinished("orders", "skipped")

	assert.Equal(t, 0.0, testutil.ToFloat64(c.tablesInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tableTransfers.WithLabelValues("orders", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tableTransfers.WithLabelValues("orders", "skipped")))
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("pgsync_test")

	c.ProcessFinished("pgloader", "exited")
	c.ProcessFinished("pgloader", "exited")
	c.DatabaseFinished("data-done")
	c.SweepRemoved(3)
	c.SweepRemoved(0)
	c.ArtifactRemoved("script")
	c.ObservePhase("schema", "ok", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.processRuns.WithLabelValues("pgloader", "exited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.databases.WithLabelValues("data-done")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.sweptFiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanupRemoved.WithLabelValues("script")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.phaseDuration))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.TableStarted()
		c.TableDone()
		c.TableFinished("orders", "success")
		c.ObservePhase("data", "ok", time.Second)
		c.ProcessFinished("datax", "exited")
		c.DatabaseFinished("failed")
		c.SweepRemoved(1)
		c.ArtifactRemoved("job-file")
	})
	assert.NoError(t, c.WriteTextfile(filepath.Join(t.TempDir(), "none.prom")))
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector("pgsync_test")
	c.TableFinished("orders", "skipped")

	path := filepath.Join(t.TempDir(), "pgsync.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `pgsync_test_table_transfers_total{database="orders",status="skipped"} 1`)
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), 5*time.Millisecond)
}
