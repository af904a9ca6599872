package domain

import "errors"

// ErrCatalogUnavailable возвращается, если не удалось получить один из каталогов.
// Скоринг по неполному пулу кандидатов не выполняется.
var ErrCatalogUnavailable = errors.New("каталог товаров недоступен")

// ErrScorerUnavailable возвращается при ошибке или таймауте оракула ранжирования.
var ErrScorerUnavailable = errors.New("оракул ранжирования недоступен")

// ErrScorerMalformed возвращается, если ответ оракула не разбирается как список.
var ErrScorerMalformed = errors.New("ответ оракула ранжирования не разбирается")

// ErrCacheWrite возвращается при неудачной записи новой партии рекомендаций.
// Предыдущая партия при этом остаётся авторитетной.
var ErrCacheWrite = errors.New("не удалось сохранить партию рекомендаций")

// ErrNoViewer возвращается, если контекст пользователя не найден.
var ErrNoViewer = errors.New("контекст пользователя не найден")

// ErrNoStageSignal возвращается, если в контексте нет возрастного сигнала.
var ErrNoStageSignal = errors.New("в контексте нет возрастного сигнала")
