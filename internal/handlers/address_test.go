package handlers

import (
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/nexadevices/internal/models"
)

func newAddressApp(db *gorm.DB, current func() *models.User) *fiber.App {
	app := fiber.New()
	handler := NewAddressHandler(db)

	group := app.Group("/api/addresses", func(c *fiber.Ctx) error {
		c.Locals("currentUser", current())
		return c.Next()
	})
	group.Get("/", handler.ListAddresses)
	group.Post("/", handler.CreateAddress)
	group.Put("/:id", handler.UpdateAddress)
	group.Delete("/:id", handler.DeleteAddress)

	return app
}

type addressResponse struct {
	ID        string `json:"id"`
	Street    string `json:"street"`
	IsDefault bool   `json:"is_default"`
}

func TestAddressDefaultExclusivity(t *testing.T) {
	db := newTestDB(t)
	user := seedUser(t, db)
	app := newAddressApp(db, func() *models.User { return user })

	body := fiber.Map{"street": "1 Main St", "city": "Springfield", "country": "US", "is_default": true}
	resp := testRequest(t, app, http.MethodPost, "/api/addresses", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first addressResponse
	decodeJSON(t, resp, &first)
	assert.True(t, first.IsDefault)

	// A new default demotes the existing one.
	body = fiber.Map{"street": "2 Oak Ave", "city": "Springfield", "country": "US", "is_default": true}
	resp = testRequest(t, app, http.MethodPost, "/api/addresses", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second addressResponse
	decodeJSON(t, resp, &second)
	assert.True(t, second.IsDefault)

	var defaults int64
	require.NoError(t, db.Model(&models.Address{}).
		Where("user_id = ? AND is_default = ?", user.ID, true).
		Count(&defaults).Error)
	assert.Equal(t, int64(1), defaults)

	// Updating the demoted address back to default flips the flag again.
	body = fiber.Map{"street": "1 Main St", "city": "Springfield", "country": "US", "is_default": true}
	resp = testRequest(t, app, http.MethodPut, "/api/addresses/"+first.ID, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reloaded models.Address
	require.NoError(t, db.First(&reloaded, "id = ?", second.ID).Error)
	assert.False(t, reloaded.IsDefault)

	// The default address lists first.
	resp = testRequest(t, app, http.MethodGet, "/api/addresses", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []addressResponse `json:"data"`
	}
	decodeJSON(t, resp, &list)
	require.Len(t, list.Data, 2)
	assert.Equal(t, first.ID, list.Data[0].ID)
}

func TestAddressValidationAndScoping(t *testing.T) {
	db := newTestDB(t)
	owner := seedUser(t, db)
	current := owner
	app := newAddressApp(db, func() *models.User { return current })

	resp := testRequest(t, app, http.MethodPost, "/api/addresses", fiber.Map{"street": "1 Main St"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = testRequest(t, app, http.MethodPost, "/api/addresses", fiber.Map{"street": "1 Main St", "city": "Springfield", "country": "US"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created addressResponse
	decodeJSON(t, resp, &created)

	// Another user cannot see, update or delete it.
	current = seedUser(t, db)
	body := fiber.Map{"street": "changed", "city": "Springfield", "country": "US"}
	resp = testRequest(t, app, http.MethodPut, "/api/addresses/"+created.ID, body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = testRequest(t, app, http.MethodDelete, "/api/addresses/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = testRequest(t, app, http.MethodGet, "/api/addresses", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []addressResponse `json:"data"`
	}
	decodeJSON(t, resp, &list)
	assert.Empty(t, list.Data)

	// The owner can.
	current = owner
	resp = testRequest(t, app, http.MethodDelete, "/api/addresses/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = testRequest(t, app, http.MethodDelete, "/api/addresses/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = testRequest(t, app, http.MethodDelete, "/api/addresses/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
