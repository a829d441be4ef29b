// Package cli реализует инструмент командной строки Herald.
//
// CLI работает с сервером только через HTTP API и не импортирует
// внутренние пакеты сервера: типы ответов продублированы в client.go.
//
//	client := cli.NewClient("http://localhost:8080")
//	posts, err := client.ListPosts()
//
// Команды группы post: list, show, schedule, publish, update, delete, send.
// Файлы, переданные через --media и --thread-media, отправляются как
// multipart/form-data, без них запрос уходит в JSON.
//
// Данные печатаются в stdout (таблица или JSON при --json), сообщения о
// статусе в stderr, поэтому вывод можно передавать дальше:
//
//	herald post list --json | jq '.[] | select(.recurring)'
package cli
