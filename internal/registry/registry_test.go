package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procgate/internal/domain"
	"procgate/internal/sanitize"
)

func testProcedure(name string) *Procedure {
	return &Procedure{
		Name:  name,
		Class: ClassReadOnly,
		Parameters: []ParameterSpec{
			{Name: "customer_id", Type: "INTEGER", Direction: domain.DirectionInput, Required: true},
		},
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(testProcedure("usp_GetOrders")))

	p, err := reg.Lookup("corr-1", "USP_getorders")
	require.NoError(t, err)
	assert.Equal(t, "usp_GetOrders", p.Name)
	assert.True(t, p.ReadOnly())
	assert.True(t, p.RetrySafe())
	assert.Equal(t, sanitize.PolicyReadOnly, p.Policy())
}

func TestRegistry_UnknownProcedure(t *testing.T) {
	reg := New()

	_, err := reg.Lookup("corr-9", "usp_Missing")
	require.Error(t, err)

	var notFound *domain.NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "corr-9", notFound.Correlation())
	assert.Equal(t, "procedure not found", notFound.SafeMessage())
}

func TestRegistry_RejectsAtRegistrationTime(t *testing.T) {
	reg := New()

	bad := testProcedure(`orders"; DROP TABLE x`)
	assert.Error(t, reg.Register(bad))

	dupe := testProcedure("usp_GetOrders")
	require.NoError(t, reg.Register(dupe))
	assert.Error(t, reg.Register(testProcedure("USP_GETORDERS")))

	badClass := testProcedure("usp_Other")
	badClass.Class = ToolClass("admin")
	assert.Error(t, reg.Register(badClass))

	badDirection := testProcedure("usp_BadDir")
	badDirection.Parameters[0].Direction = domain.ParameterDirection("Sideways")
	assert.Error(t, reg.Register(badDirection))

	twoReturns := testProcedure("usp_TwoReturns")
	twoReturns.Parameters = []ParameterSpec{
		{Name: "a", Type: "INTEGER", Direction: domain.DirectionReturnValue},
		{Name: "b", Type: "INTEGER", Direction: domain.DirectionReturnValue},
	}
	assert.Error(t, reg.Register(twoReturns))
}

func TestRegistry_SealedRejectsRegistration(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(testProcedure("usp_GetOrders")))
	reg.Seal()
	assert.Error(t, reg.Register(testProcedure("usp_Late")))
}

func TestWriteProcedureRetrySafety(t *testing.T) {
	write := testProcedure("usp_UpsertCustomer")
	write.Class = ClassReadWrite
	assert.False(t, write.RetrySafe())

	write.Idempotent = true
	assert.True(t, write.RetrySafe())
	assert.Equal(t, sanitize.PolicyReadWrite, write.Policy())
}

func TestParse(t *testing.T) {
	data := []byte(`
procedures:
  - name: usp_GetOrders
    class: read_only
    timeout: 10s
    parameters:
      - name: customer_id
        type: INTEGER
        direction: Input
        required: true
      - name: row_count
        type: INTEGER
        direction: Output
  - name: usp_UpsertCustomer
    class: read_write
    idempotent: true
    parameters:
      - name: payload
        type: VARCHAR(4000)
`)

	reg, err := Parse(data)
	require.NoError(t, err)

	p, err := reg.Lookup("", "usp_GetOrders")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, p.Timeout)
	require.NotNil(t, p.Spec("row_count"))
	assert.Equal(t, domain.DirectionOutput, p.Spec("row_count").Direction)

	up, err := reg.Lookup("", "usp_UpsertCustomer")
	require.NoError(t, err)
	// Direction defaults to Input when omitted.
	assert.Equal(t, domain.DirectionInput, up.Spec("payload").Direction)
	assert.True(t, up.Idempotent)

	// Sealed after load.
	assert.Error(t, reg.Register(testProcedure("usp_Late")))
}

func TestParse_FailsClosed(t *testing.T) {
	_, err := Parse([]byte(`procedures: []`))
	assert.Error(t, err)

	_, err = Parse([]byte(`
procedures:
  - name: usp_Ok
    class: read_only
  - name: "bad name"
    class: read_only
`))
	assert.Error(t, err)
}
