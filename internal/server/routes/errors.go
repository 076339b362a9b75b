package routes

import "github.com/gofiber/fiber/v3"

// writeError 输出统一的 {"error": code} 结构，extra 中的字段一并合入。
func writeError(c fiber.Ctx, status int, code string, extra fiber.Map) error {
	payload := fiber.Map{"error": code}
	for key, value := range extra {
		payload[key] = value
	}
	return c.Status(status).JSON(payload)
}
